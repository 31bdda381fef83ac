package orders

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleSeller   Role = "seller"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Effect is the reservation side effect applied in the same unit of work as a transition.
type Effect int

const (
	EffectNone Effect = iota
	EffectRelease
	EffectCommit
)

func (e Effect) String() string {
	switch e {
	case EffectRelease:
		return "release"
	case EffectCommit:
		return "commit"
	default:
		return "none"
	}
}

type Rule struct {
	Roles  []Role
	Effect Effect
}

func (r Rule) allows(role Role) bool {
	for _, x := range r.Roles {
		if x == role {
			return true
		}
	}
	return false
}

var validNext = map[Status]map[Status]Rule{
	StatusPending: {
		StatusProcessing: {Roles: []Role{RoleSeller}},
		StatusCancelled:  {Roles: []Role{RoleSeller, RoleCustomer, RoleAdmin, RoleSystem}, Effect: EffectRelease},
	},
	StatusProcessing: {
		StatusShipped:   {Roles: []Role{RoleSeller}},
		StatusCancelled: {Roles: []Role{RoleSeller, RoleAdmin}, Effect: EffectRelease},
	},
	StatusShipped: {
		StatusDelivered: {Roles: []Role{RoleSeller, RoleSystem}},
	},
	StatusDelivered: {
		StatusCompleted: {Roles: []Role{RoleCustomer}, Effect: EffectCommit},
		StatusRefunded:  {Roles: []Role{RoleAdmin}, Effect: EffectCommit},
	},
	StatusCompleted: {
		StatusRefunded: {Roles: []Role{RoleAdmin}},
	},
	StatusCancelled: {},
	StatusRefunded:  {},
}

// lifecycle index along the happy path; sinks are not on it.
var lifecycleIndex = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusShipped:    2,
	StatusDelivered:  3,
	StatusCompleted:  4,
}

// Index returns the position of s on the happy path, or -1 for cancelled/refunded.
func (s Status) Index() int {
	if i, ok := lifecycleIndex[s]; ok {
		return i
	}
	return -1
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// IsSink reports whether s is one of the alternate terminal states.
func (s Status) IsSink() bool {
	return s == StatusCancelled || s == StatusRefunded
}

// CanTransition reports whether any role may move an order from one status to the other.
func CanTransition(from, to Status) bool {
	_, ok := validNext[from][to]
	return ok
}

// Lookup returns the rule for from -> to if role is allowed to trigger it.
func Lookup(from, to Status, role Role) (Rule, bool) {
	rule, ok := validNext[from][to]
	if !ok || !rule.allows(role) {
		return Rule{}, false
	}
	return rule, true
}

// RequiresReason reports whether the transition must carry a human-entered reason.
// Only a seller rejecting a pending order does.
func RequiresReason(from, to Status, role Role) bool {
	return from == StatusPending && to == StatusCancelled && role == RoleSeller
}

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleSeller, RoleAdmin, RoleSystem:
		return true
	}
	return false
}
