package installer

// makeExecutable is a no-op, Windows has no execute bit.
func makeExecutable(string, []string) error {
	return nil
}
