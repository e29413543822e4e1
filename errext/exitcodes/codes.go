/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package exitcodes contains the constants representing possible pagesync exit error codes.
package exitcodes

// ExitCode is just a type representing a process exit code for pagesync
type ExitCode uint8

// list of exit codes used by pagesync
const (
	GenericTimeout   ExitCode = 102
	GenericEngine    ExitCode = 103
	InvalidConfig    ExitCode = 104
	ExternalAbort    ExitCode = 105
	InvalidRecording ExitCode = 106
	TargetDetached   ExitCode = 107
	GoPanic          ExitCode = 108
)
