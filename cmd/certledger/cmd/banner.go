package cmd

import (
	"fmt"
)

const banner = `
   ____          _   _              _
  / ___|___ _ __| |_| |    ___  __| | __ _  ___ _ __
 | |   / _ \ '__| __| |   / _ \/ _` + "`" + ` |/ _` + "`" + ` |/ _ \ '__|
 | |__|  __/ |  | |_| |__|  __/ (_| | (_| |  __/ |
  \____\___|_|   \__|_____\___|\__,_|\__, |\___|_|
                                     |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate Ledger & CRL Service - Version %s\x1b[0m\n\n", Version)
}
