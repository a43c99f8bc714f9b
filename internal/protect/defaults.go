// Package protect flags tickets whose text reaches into sensitive areas of
// a codebase. A flagged ticket still runs; its passing runs are marked
// for review.
package protect

// Rules are the raw detection rules. Patterns are globs matched against
// slash-separated paths with ** spanning directories.
type Rules struct {
	Patterns  []string
	Keywords  []string
	FileTypes []string
}

// DefaultRules returns the built-in sensitive areas.
func DefaultRules() Rules {
	return Rules{
		Patterns: []string{
			"**/auth/**",
			"**/security/**",
			"**/migrations/**",
			"**/infra/**",
			"**/secrets/**",
			"**/credentials/**",
			"**/certs/**",
			"**/keys/**",
			"**/.ssh/**",
			"**/terraform/**",
			"**/helm/**",
			"**/k8s/**",
			"**/kubernetes/**",
		},
		Keywords: []string{
			"auth",
			"login",
			"password",
			"token",
			"secret",
			"migration",
			"credential",
			"cert",
			"private",
			"encrypt",
			"decrypt",
			"oauth",
			"jwt",
			"session",
			"permission",
			"rbac",
		},
		FileTypes: []string{
			".sql",
			".tf",
			".pem",
			".key",
			".env",
			".p12",
			".pfx",
			".jks",
			".keystore",
			".crt",
			".cer",
		},
	}
}
