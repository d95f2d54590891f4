//go:build !linux && !darwin && !freebsd

package tags

func unameMachine() string {
	return ""
}
