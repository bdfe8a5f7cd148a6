package audit

// Action names recorded in audit_logs.action. Callers may record other strings; these are
// the ones the rest of the system and the dashboards agree on.
const (
	// Authentication
	ActionLogin           = "LOGIN"
	ActionLogout          = "LOGOUT"
	ActionLoginFailed     = "LOGIN_FAILED"
	ActionPasswordChanged = "PASSWORD_CHANGED"
	ActionRegister        = "REGISTER"

	// Users
	ActionUserCreated = "USER_CREATED"
	ActionUserUpdated = "USER_UPDATED"
	ActionUserDeleted = "USER_DELETED"

	// Classes and enrolment
	ActionClassCreated    = "CLASS_CREATED"
	ActionClassUpdated    = "CLASS_UPDATED"
	ActionClassDeleted    = "CLASS_DELETED"
	ActionStudentEnrolled = "STUDENT_ENROLLED"

	// Assignments
	ActionAssignmentCreated   = "ASSIGNMENT_CREATED"
	ActionAssignmentUpdated   = "ASSIGNMENT_UPDATED"
	ActionAssignmentDeleted   = "ASSIGNMENT_DELETED"
	ActionAssignmentSubmitted = "ASSIGNMENT_SUBMITTED"
	ActionAssignmentGraded    = "ASSIGNMENT_GRADED"

	// Grades
	ActionGradeCreated = "GRADE_CREATED"
	ActionGradeUpdated = "GRADE_UPDATED"
	ActionGradeDeleted = "GRADE_DELETED"

	// Access control
	ActionAccessDenied       = "ACCESS_DENIED"
	ActionUnauthorizedAccess = "UNAUTHORIZED_ACCESS"
	ActionPermissionGranted  = "PERMISSION_GRANTED"
	ActionPermissionRevoked  = "PERMISSION_REVOKED"
	ActionRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"

	// System
	ActionSystemStartup  = "SYSTEM_STARTUP"
	ActionSystemShutdown = "SYSTEM_SHUTDOWN"
	ActionAuditCleanup   = "AUDIT_CLEANUP"
	ActionConfigChanged  = "CONFIG_CHANGED"
	ActionDataExported   = "DATA_EXPORTED"
	ActionFileUploaded   = "FILE_UPLOADED"
)

// Resource type names recorded in audit_logs.resource_type
const (
	ResourceUser       = "user"
	ResourceClass      = "class"
	ResourceCourse     = "course"
	ResourceAssignment = "assignment"
	ResourceSubmission = "submission"
	ResourceGrade      = "grade"
	ResourceAuth       = "auth"
	ResourceAccess     = "access"
	ResourceFile       = "file"
	ResourceSystem     = "system"
	ResourceAudit      = "audit"
)

// SystemUserID is the default user id of events that no authenticated user caused.
// Deployments whose user_id column is numeric or uuid override it with audit.system_user_id.
const SystemUserID = "system"

// AnonymousUserID is the default user id of events from unauthenticated callers,
// overridable with audit.anonymous_user_id.
const AnonymousUserID = "anonymous"

var knownActions = map[string]struct{}{}

var knownResourceTypes = map[string]struct{}{}

func init() {
	for _, a := range Actions() {
		knownActions[a] = struct{}{}
	}
	for _, r := range ResourceTypes() {
		knownResourceTypes[r] = struct{}{}
	}
}

// Actions lists the canonical action vocabulary
func Actions() []string {
	return []string{
		ActionLogin, ActionLogout, ActionLoginFailed, ActionPasswordChanged, ActionRegister,
		ActionUserCreated, ActionUserUpdated, ActionUserDeleted,
		ActionClassCreated, ActionClassUpdated, ActionClassDeleted, ActionStudentEnrolled,
		ActionAssignmentCreated, ActionAssignmentUpdated, ActionAssignmentDeleted,
		ActionAssignmentSubmitted, ActionAssignmentGraded,
		ActionGradeCreated, ActionGradeUpdated, ActionGradeDeleted,
		ActionAccessDenied, ActionUnauthorizedAccess, ActionPermissionGranted,
		ActionPermissionRevoked, ActionRateLimitExceeded,
		ActionSystemStartup, ActionSystemShutdown, ActionAuditCleanup,
		ActionConfigChanged, ActionDataExported, ActionFileUploaded,
	}
}

// ResourceTypes lists the canonical resource type vocabulary
func ResourceTypes() []string {
	return []string{
		ResourceUser, ResourceClass, ResourceCourse, ResourceAssignment, ResourceSubmission,
		ResourceGrade, ResourceAuth, ResourceAccess, ResourceFile, ResourceSystem, ResourceAudit,
	}
}

// IsKnownAction reports whether action belongs to the canonical vocabulary
func IsKnownAction(action string) bool {
	_, ok := knownActions[action]
	return ok
}

// IsKnownResourceType reports whether resourceType belongs to the canonical vocabulary
func IsKnownResourceType(resourceType string) bool {
	_, ok := knownResourceTypes[resourceType]
	return ok
}
