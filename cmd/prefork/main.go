package main

import "github.com/searchktools/prefork/cmd/prefork/app"

func main() {
	app.Execute()
}
