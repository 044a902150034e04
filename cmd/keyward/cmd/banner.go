package cmd

import (
	"fmt"
)

const banner = `
  _  __                                _
 | |/ /                               | |
 | ' / ___ _   ___      ____ _ _ __ __| |
 |  < / _ \ | | \ \ /\ / / _` + "`" + ` | '__/ _` + "`" + ` |
 | . \  __/ |_| |\ V  V / (_| | | | (_| |
 |_|\_\___|\__, | \_/\_/ \__,_|_|  \__,_|
            __/ |
           |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate & Key Archival Service - Version %s\x1b[0m\n\n", Version)
}
