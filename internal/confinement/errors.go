package confinement

import "fmt"

// ValidationKind classifies an unsupported configuration combination.
type ValidationKind int

const (
	// UnsupportedRestriction: bind mounts cannot be restricted to ExecStart.
	UnsupportedRestriction ValidationKind = iota
	// UnsupportedUserModel: dynamically allocated users cannot be confined.
	UnsupportedUserModel
)

func (k ValidationKind) String() string {
	switch k {
	case UnsupportedRestriction:
		return "unsupported restriction"
	case UnsupportedUserModel:
		return "unsupported user model"
	default:
		return fmt.Sprintf("ValidationKind(%d)", int(k))
	}
}

// ValidationError reports a unit setting that cannot be combined with
// confinement.
type ValidationError struct {
	Service string
	Option  string
	Kind    ValidationKind
}

func (e *ValidationError) Error() string {
	prefix := fmt.Sprintf("the serviceConfig option '%s' for service '%s' is enabled in conjunction with confinement", e.Option, e.Service)
	switch e.Kind {
	case UnsupportedRestriction:
		return prefix + ", but systemd does not support restricting bind mounts to ExecStart;" +
			" define a separate service or run the other commands inside the chroot"
	case UnsupportedUserModel:
		return prefix + "; create a dedicated user instead, this combination is not supported"
	default:
		return prefix
	}
}

// ServiceError attaches the failing service and pipeline stage to an error
// from resolution or normalization.
type ServiceError struct {
	Service string
	Stage   string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Stage, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
