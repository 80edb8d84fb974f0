package server

// Route path constants
const (
	RouteLogin          = "/login"
	RouteRegister       = "/register"
	RouteCallback       = "/callback"
	RouteLogout         = "/logout"
	RouteProfileRefresh = "/profile/refresh"
	RouteSession        = "/session"
	RouteDiagnostics    = "/diagnostics"
)
