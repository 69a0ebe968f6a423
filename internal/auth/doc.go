// Package auth authenticates API callers with bearer tokens.
//
// Two modes are supported besides "disabled": static API tokens listed in
// configuration, and HS256 JWTs signed with a shared secret. Each caller
// resolves to a Subject whose permissions gate execution, approval and job
// endpoints; the subject name is recorded as the approver in the audit log.
package auth
