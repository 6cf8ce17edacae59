//go:build !real_waku

package transport

// NewWaku returns nil when the binary was built without the real_waku tag;
// callers treat a nil adapter as "not available in this build".
func NewWaku(cfg WakuConfig) Adapter {
	return nil
}
