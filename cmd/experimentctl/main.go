package main

import (
	"github.com/armadaproject/exparch/cmd/experimentctl/cmd"
	"github.com/armadaproject/exparch/internal/common/logging"
)

func main() {
	logging.MustConfigureApplicationLogging()
	cmd.Execute()
}
