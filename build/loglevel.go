package build

// LogLevel is the level used by stdout loggers created for unit tests.
const LogLevel = "info"
