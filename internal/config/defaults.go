package config

// DefaultAddr is the default listen address for the control server.
const DefaultAddr = "127.0.0.1:7979"

// DefaultTestDelayMs is how long an armed debug checkpoint holds the
// machine before unwinding, when the config does not say otherwise.
const DefaultTestDelayMs = 5000

// DefaultHistoryLimit caps transition history queries when the config
// does not say otherwise.
const DefaultHistoryLimit = 50
