package pattern

// Variants maps target build identifiers to the signature that matches that
// build. New builds are supported by adding rows.
type Variants struct {
	Default string
	Builds  map[string]string
}

// For returns the pattern for build, falling back to Default.
func (v Variants) For(build string) (Pattern, error) {
	if s, ok := v.Builds[build]; ok {
		return Parse(s)
	}
	return Parse(v.Default)
}
