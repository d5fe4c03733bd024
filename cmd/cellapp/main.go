package main

import (
	"github.com/xiaonanln/cellworld/components/cellapp"
)

func main() {
	cellapp.Start(nil)
}
