package constants

import (
	"time"
)

// Myket endpoints
const (
	// MyketAPIURL - developer panel API (sign-in, constraints, versions, releases)
	MyketAPIURL = "https://developer.myket.ir/api"

	// MyketResourceURL - resource host that serves uploaded packages
	MyketResourceURL = "https://resource.myket.ir"

	// MyketUploadURL - TUS upload host ("raven")
	MyketUploadURL = "https://raven.myket.ir"

	// MyketLanguage - static "lang" query parameter sent with every API call
	MyketLanguage = "fa"
)

// Bazaar endpoints
const (
	// BazaarAPIURL - Pishkhan developer API
	BazaarAPIURL = "https://api.pishkhan.cafebazaar.ir"

	// BazaarSecretHeader - header carrying the Pishkhan API secret
	BazaarSecretHeader = "CAFEBAZAAR-PISHKHAN-API-SECRET"
)

// Resumable upload protocol
const (
	// TusVersion - value of the Tus-Resumable header on every upload request
	TusVersion = "1.0.0"

	// TusOffsetContentType - content type of a PATCH chunk body
	TusOffsetContentType = "application/offset+octet-stream"

	// APKMimeType - file type advertised in Upload-Metadata
	APKMimeType = "application/vnd.android.package-archive"

	// UploadChunkSize - bytes sent per PATCH request (1,024,000)
	// Matches what the upload host accepts per request; larger chunks are rejected
	// by some edge proxies in front of it.
	UploadChunkSize = 1024000

	// MinUploadChunkSize - lower bound for a configured chunk size (64 KiB)
	MinUploadChunkSize = 64 * 1024

	// MaxUploadChunkSize - upper bound for a configured chunk size (32 MiB)
	MaxUploadChunkSize = 32 * 1024 * 1024
)

// Release defaults
const (
	// DefaultRolloutPercent - staged rollout percentage for a new draft
	DefaultRolloutPercent = 10

	// ReleaseVersionCase - "case" tag attached to each version of a draft release
	ReleaseVersionCase = 0
)

// Platform API pacing
const (
	// PlatformRatePerSec - sustained request rate against the developer API
	PlatformRatePerSec = 2.0

	// PlatformBurstCapacity - requests allowed back-to-back before pacing kicks in
	PlatformBurstCapacity = 10.0
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// DefaultRequestTimeout - per-call timeout for API requests (60 seconds)
	DefaultRequestTimeout = 60 * time.Second

	// DefaultChunkTimeout - per-call timeout for a single chunk PATCH (5 minutes)
	DefaultChunkTimeout = 5 * time.Minute

	// DefaultDeadline - overall deadline for one publish run (0 = none)
	DefaultDeadline = 0 * time.Second
)

// Retry configuration
const (
	// DefaultRetryMax - transport retries for idempotent GETs (0 = disabled)
	DefaultRetryMax = 0

	// RetryWaitMin - minimum wait between retries
	RetryWaitMin = 1 * time.Second

	// RetryWaitMax - maximum wait between retries
	RetryWaitMax = 30 * time.Second
)

// UI Updates
const (
	// ProgressUpdateInterval - minimum interval between non-TTY progress log lines
	ProgressUpdateInterval = 2 * time.Second
)
