package tokenkeeper

// State is the lifecycle state of the current credential generation.
//
//	from           event                          to
//	Unarmed/Armed  ArmSchedule, valid record      Armed
//	Unarmed/Armed  ArmSchedule, no record         Unarmed
//	Unarmed/Armed  ArmSchedule, expired record    LoggedOut
//	Armed          DisarmSchedule                 Unarmed
//	Unarmed/Armed  RefreshNow                     Refreshing
//	Refreshing     success                        Armed
//	Refreshing     transient failure              Armed (retry timer)
//	Refreshing     refresh token rejected         LoggedOut
//	any            Logout                         LoggedOut
//	LoggedOut      Login                          Armed
type State int

const (
	StateUnarmed State = iota
	StateArmed
	StateRefreshing
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateUnarmed:
		return "unarmed"
	case StateArmed:
		return "armed"
	case StateRefreshing:
		return "refreshing"
	case StateLoggedOut:
		return "logged_out"
	}
	return "unknown"
}

// AuthState is what the application observes: whether a session exists
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticated
)

func (a AuthState) String() string {
	if a == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}
