/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package logging

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/gologme/log"
)

// New returns a leveled logger whose lines carry a coloured component
// prefix. info, warn and error are always enabled; debug only on request.
func New(w io.Writer, component string, debug bool) *log.Logger {
	yellow := color.New(color.FgYellow).SprintfFunc()
	l := log.New(w, fmt.Sprintf("[ %s ] ", yellow(component)), log.LstdFlags|log.Lmsgprefix)
	l.EnableLevel("warn")
	l.EnableLevel("error")
	l.EnableLevel("info")
	if debug {
		l.EnableLevel("debug")
	}
	return l
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
