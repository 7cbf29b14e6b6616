// Package collector holds the domain model shared by the user and catalog
// collectors: identities, user records, name history, the on-air catalog and
// the narrow interfaces the orchestrators depend on.
package collector
