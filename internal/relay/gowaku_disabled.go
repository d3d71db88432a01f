//go:build !real_relay

package relay

// newRealBackend is the default-build stand-in for the production
// go-waku backend (internal/relay/gowaku_backend.go), which is only
// compiled in with -tags real_relay. Node.Start treats a nil backend as
// "go-waku support not compiled in" and fails the start rather than
// silently falling back to the mock transport.
func newRealBackend() backend { return nil }
