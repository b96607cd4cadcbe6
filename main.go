package main

import "impactos/internal/app"

func main() {
	app.Execute()
}
