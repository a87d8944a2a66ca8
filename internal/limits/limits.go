package limits

// Size limits for API payloads and scanned files

const (
	// JSON is the standard size limit for API request/response payloads (1MB)
	JSON = 1 << 20

	// Batch is the size limit for batch discovery responses (32MB)
	Batch = 32 << 20

	// ErrorBody is the maximum size for error response bodies (1KB)
	// Used when parsing error messages from failed API calls
	ErrorBody = 1024

	// ResourceFile is the largest resource file the parsers will read (1MB).
	// Larger files are skipped as structurally invalid.
	ResourceFile = 1 << 20

	// StreamLine is the longest NDJSON event line the client accepts (4MB)
	StreamLine = 4 << 20
)
