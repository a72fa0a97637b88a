// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"encoding/json"
	"os"
)

// Config for coordinatord.
type Config struct {
	Listen      string `json:"listen"`
	AlertListen string `json:"alertlisten"`
	Curve       string `json:"curve"`

	CPU            bool `json:"cpu"`
	RAM            bool `json:"ram"`
	InterfaceStats bool `json:"ifstats"`

	Frequency int `json:"frequency"` // seconds between ticks

	// Duration overrides Frequency with the catalogue's compact notation
	// ("1m30s", "500ms"), for sub-second or day-scale precision the bare
	// integer-seconds flag can't express. Empty leaves Frequency in charge.
	Duration string `json:"duration"`

	CPUAlert int `json:"cpualert"` // percent, -1 disables
	RAMAlert int `json:"ramalert"` // percent, -1 disables

	Log string `json:"log"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
