// This file is part of backtrace.
//
// backtrace is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// backtrace is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with backtrace.  If not, see <https://www.gnu.org/licenses/>.

package logger_test

import (
	"testing"

	"github.com/jetsetilly/backtrace/logger"
)

func TestEntryString(t *testing.T) {
	e := logger.Entry{Tag: "dwarf", Val: "truncated abbrev table"}
	got := e.String()
	want := "dwarf: truncated abbrev table"
	if got != want {
		t.Errorf("unexpected entry string: got %q want %q", got, want)
	}
}

func TestSetPermissionIsSilentByDefault(t *testing.T) {
	// does not panic and does not require a sink to be configured
	logger.Logf(logger.Allow, "dwarf", "%d abbrevs decoded", 12)
	logger.Log(logger.Deny, "dwarf", "should never be written")
}
