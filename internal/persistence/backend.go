package persistence

// Well-known keys.
const (
	KeyActiveEndpoint = "endpoint.active"
	KeyBackupEndpoint = "endpoint.backup"
	KeySiteEndpoint   = "endpoint.site"
	KeyRestartCount   = "restart_count"
)

// BlobGenerationKey is the marker recording the last applied generation of
// a blob.
func BlobGenerationKey(blobKey string) string {
	return "blob." + blobKey + ".generation"
}

// Backend is a durable string key/value store. Implementations serialize
// writes internally and are safe for concurrent use.
type Backend interface {
	Save(key, value string) error
	Load(key string) (string, error)
	Exists(key string) bool
	Delete(key string) error
}

// Logger is the logging interface used by this package.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
