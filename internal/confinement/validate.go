package confinement

// Validate checks settings that systemd cannot combine with a confined
// root. It returns the first violation as a *ValidationError. Disabled
// services always pass.
func Validate(svc Service) error {
	if !svc.Sandbox.Enabled {
		return nil
	}
	if svc.Exec.RootDirectoryStartOnly {
		return &ValidationError{
			Service: svc.Name,
			Option:  "RootDirectoryStartOnly",
			Kind:    UnsupportedRestriction,
		}
	}
	if svc.Exec.DynamicUser {
		return &ValidationError{
			Service: svc.Name,
			Option:  "DynamicUser",
			Kind:    UnsupportedUserModel,
		}
	}
	return nil
}
