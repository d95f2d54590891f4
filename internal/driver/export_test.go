package driver

// SetLookPath replaces PATH lookups and returns a restore func
func SetLookPath(fn func(string) (string, error)) func() {
	prev := lookPath
	lookPath = fn

	return func() { lookPath = prev }
}
