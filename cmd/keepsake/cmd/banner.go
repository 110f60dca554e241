package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _  __                              _
 | |/ /___  ___ _ __  ___  __ _| | _____
 | ' // _ \/ _ \ '_ \/ __|/ _` + "`" + ` | |/ / _ \
 | . \  __/  __/ |_) \__ \ (_| |   <  __/
 |_|\_\___|\___| .__/|___/\__,_|_|\_\___|
               |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Client-Side Persistence - Version %s\x1b[0m\n\n", Version)
}
