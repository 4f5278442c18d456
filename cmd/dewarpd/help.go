package main

import (
	"fmt"

	"github.com/fatih/color"
)

// banner prints the program name in color.
func banner() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	//      _
	//   __| |  ___ __      __  __ _  _ __  _ __
	//  / _` | / _ \\ \ /\ / / / _` || '__|| '_ \
	// | (_| ||  __/ \ V  V / | (_| || |   | |_) |
	//  \__,_| \___|  \_/\_/   \__,_||_|   | .__/
	//                                     |_|

	// Line 1
	r.Println("      _ ")

	// Line 2
	r.Printf("   __| |")
	y.Printf("  ___ ")
	b.Printf("__      __")
	r.Printf("  __ _ ")
	y.Printf(" _ __ ")
	b.Println(" _ __  ")

	// Line 3
	r.Printf("  / _` |")
	y.Printf(" / _ \\")
	b.Printf("\\ \\ /\\ / /")
	r.Printf(" / _` |")
	y.Printf("| '__|")
	b.Println("| '_ \\ ")

	// Line 4
	r.Printf(" | (_| |")
	y.Printf("|  __/")
	b.Printf(" \\ V  V / ")
	r.Printf("| (_| |")
	y.Printf("| |   ")
	b.Println("| |_) |")

	// Line 5
	r.Printf("  \\__,_|")
	y.Printf(" \\___|")
	b.Printf("  \\_/\\_/  ")
	r.Printf(" \\__,_|")
	y.Printf("|_|   ")
	b.Println("| .__/ ")

	// Line 6
	r.Printf("        ")
	y.Printf("      ")
	b.Printf("          ")
	r.Printf("       ")
	y.Printf("      ")
	b.Println("|_|    ")

	fmt.Println()
}
