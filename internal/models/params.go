package models

type PongAt string
type AutoPositionMode string
type APR string

const (
	PongAtShortPingFair       PongAt = "ShortPingFair"
	PongAtShortPingAggressive PongAt = "ShortPingAggressive"
	PongAtLongPingFair        PongAt = "LongPingFair"
	PongAtLongPingAggressive  PongAt = "LongPingAggressive"

	AutoPositionManual AutoPositionMode = "Manual"
	AutoPositionAuto   AutoPositionMode = "Auto"

	APROff       APR = "Off"
	APRSize      APR = "Size"
	APRSizePrice APR = "SizePrice"
)

// LongPing reports whether pongs are placed against the nearest ping.
func (p PongAt) LongPing() bool {
	return p == PongAtLongPingFair || p == PongAtLongPingAggressive
}

func (p PongAt) ShortPing() bool {
	return p == PongAtShortPingFair || p == PongAtShortPingAggressive
}
