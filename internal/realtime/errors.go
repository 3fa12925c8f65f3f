package realtime

import "errors"

var (
	errNotSubscribable = errors.New("inbound destinations cannot be subscribed")
	errSubscribeDenied = errors.New("subscription denied for destination")
)

// IsDenied reports whether err is a subscription authorisation failure.
func IsDenied(err error) bool {
	return errors.Is(err, errSubscribeDenied)
}
