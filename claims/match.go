package claims

// Match checks every expected claim against c, in configuration order. On
// failure it returns the first failing claim name. A claim that is absent,
// or present with a different kind or value, fails. An empty expectation
// matches any claims.
func Match(c Claims, expected Expected) (ok bool, failing string) {
	for _, p := range expected {
		got, present := c[p.Name]
		if !present || !got.Equal(p.Value) {
			return false, p.Name
		}
	}
	return true, ""
}
