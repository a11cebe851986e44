// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

/*
Package typeinfo contains code relating to Go types and their processing in
relcore. As much as possible, reflection code is limited to this package. It
contains the logic for reading "db" tags, locating members, remapping
interface methods onto their implementations, writing read-only fields during
construction and scanning results into value buffer slots.
*/
package typeinfo
