package logger

import "go.uber.org/zap"

// Field keys shared by every component that logs about a call.
const (
	KeyCallID     = "call_id"
	KeyPersona    = "persona"
	KeyStage      = "stage"
	KeyDependency = "dependency"
	KeyTurn       = "turn"
)

func CallID(id string) zap.Field { return zap.String(KeyCallID, id) }

func Persona(id string) zap.Field { return zap.String(KeyPersona, id) }

func Stage(name string) zap.Field { return zap.String(KeyStage, name) }

func Dependency(name string) zap.Field { return zap.String(KeyDependency, name) }

func Turn(n int) zap.Field { return zap.Int(KeyTurn, n) }
