package rbac

type Level string
type Action string

const (
	LevelNone     Level = "none"
	LevelRead     Level = "read"
	LevelWrite    Level = "write"
	LevelMaintain Level = "maintain"
	LevelAdmin    Level = "admin"
)

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionMerge    Action = "merge"
	ActionSettings Action = "settings"
	ActionDelete   Action = "delete"
)

func Rank(level Level) int {
	switch level {
	case LevelAdmin:
		return 4
	case LevelMaintain:
		return 3
	case LevelWrite:
		return 2
	case LevelRead:
		return 1
	default:
		return 0
	}
}

// Required returns the lowest level allowed to perform action. Unknown actions
// require admin.
func Required(action Action) Level {
	switch action {
	case ActionRead:
		return LevelRead
	case ActionWrite:
		return LevelWrite
	case ActionMerge:
		return LevelMaintain
	default:
		return LevelAdmin
	}
}

func Can(level Level, action Action) bool {
	if Normalize(string(level)) == LevelNone {
		return false
	}
	return Rank(level) >= Rank(Required(action))
}

func AtLeast(level, floor Level) bool {
	return Rank(level) >= Rank(floor)
}

func Normalize(level string) Level {
	switch Level(level) {
	case LevelRead, LevelWrite, LevelMaintain, LevelAdmin:
		return Level(level)
	default:
		return LevelNone
	}
}
