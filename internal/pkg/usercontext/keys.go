package usercontext

// Shared Locals keys used across controllers and middlewares
const (
	KeyUserContext = "USER_CONTEXT"
	KeyUserID      = "user_id"
	KeyRole        = "role"
	KeyIsAdmin     = "isAdmin"
	KeyRequestID   = "request_id"
)
