package main

import (
	"github.com/function61/gokit/osutil"
	"github.com/function61/zsendfs/pkg/sendfs"
)

func main() {
	osutil.ExitIfError(sendfs.Entrypoint().Execute())
}
