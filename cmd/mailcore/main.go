package main

import "github.com/lu-zhengda/mailcore/internal/cli"

func main() {
	cli.Execute()
}
