package main

import "lcfips/internal/lcfips"

// Entry point
func main() {
	lcfips.Main()
}
