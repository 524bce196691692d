package funcutils

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// PanicOrLogOnErr does what its name suggests.
func PanicOrLogOnErr(f func() error, panicOnErr bool, msg string) {
	if err := f(); err != nil {
		if panicOnErr {
			panic(fmt.Sprintf("%s: %s", msg, err))
		}
		log.WithError(err).Error(msg)
	}
}
