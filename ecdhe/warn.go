package ecdhe

import "github.com/fatih/color"

// WarnIfBelowFloor prints an operator-facing warning when curveName/keyBits
// fall below the 2024 recommended floor.
func WarnIfBelowFloor(curveName string, keyBits int) {
	if curveName == "" || curveName == "p256" {
		color.Yellow("ecdhe: p256 is a 128-bit curve; a 256-bit curve is recommended for new deployments")
	}
	if keyBits < 256 {
		color.Yellow("ecdhe: %d-bit session keys are below the 2024 recommended floor; the wire format already length-prefixes key material for a future bump", keyBits)
	}
}
