package models

// Domain names a record queue. Records themselves are opaque JSON documents;
// warden only moves them between session-scoped and global locations.
type Domain string

const (
	DomainTasks Domain = "tasks"
	DomainQA    Domain = "qa"
)

// Domains lists every known record domain.
func Domains() []Domain {
	return []Domain{DomainTasks, DomainQA}
}

// ValidDomain reports whether d names a known record domain.
func ValidDomain(d Domain) bool {
	switch d {
	case DomainTasks, DomainQA:
		return true
	}
	return false
}
