//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

// Backend names the image backend compiled into this binary.
func Backend() string {
	return "imaging+bild"
}

func newTransformer() (Transformer, error) {
	return stdlibTransformer{}, nil
}
