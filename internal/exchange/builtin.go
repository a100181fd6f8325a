package exchange

import "go.uber.org/zap"

// RegisterBuiltins wires the compiled-in adapters into a loader.
func RegisterBuiltins(loader *Loader) {
	loader.Register("MockAdapter", func(logger *zap.Logger, creds Credentials) Adapter {
		return NewMockAdapter()
	})
	loader.Register("PaperAdapter", func(logger *zap.Logger, creds Credentials) Adapter {
		return NewPaperAdapter(logger, creds)
	})

	loader.RegisterManifest(Manifest{
		ID:                "mock",
		Name:              "Mock Exchange",
		Version:           "1.0.0",
		ClassName:         "MockAdapter",
		SupportedFeatures: []string{"orders", "bars", "positions", "streaming"},
	})
	loader.RegisterManifest(Manifest{
		ID:                "alpaca",
		Name:              "Alpaca Markets",
		Version:           "1.0.0",
		ClassName:         "PaperAdapter",
		SupportedFeatures: []string{"orders", "bars", "positions", "streaming", "paper"},
	})
}
