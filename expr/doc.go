// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

/*
Package expr provides typed expression trees over Go values and the
operations that normalise them.

Trees are built from the node kinds of Node. Lambdas describing a property
of an entity type, such as

	x => x.Name
	x => Property(x, "name")
	x => x["name"]

are recognised by ResolveProperty, ExtractPropertyCallArguments and
ExtractIndexerCallArguments. Lambdas describing several properties, such as

	x => T{A: x.ID, B: x.Name}

are recognised by ResolveProperties.

The Make functions build the canonical forms used to materialise rows:
MakeValueBufferRead reads a slot of a ValueBuffer by ordinal,
MakePropertyRead and MakeKeyValueRead read properties and keys of an entity,
and MakeMemberAssign writes members, including read-only ones while their
value is being constructed.

Compile turns a lambda into a Func that evaluates it.
*/
package expr
