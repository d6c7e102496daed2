package appdir

import (
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that profile conforms to profile naming rules.
func ValidateName(profile string) error {
	if !nameRegexp.MatchString(profile) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", profile)
	}
	return nil
}
