// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package expr_test

import (
	"reflect"

	. "gopkg.in/check.v1"

	"github.com/canonical/relcore/expr"
)

func (s *ExprSuite) TestMakeMemberAccess(c *C) {
	x := expr.NewParameter("x", personType)
	name := field(c, personType, "Name")

	ma := access(c, x, name)
	c.Assert(ma.Target(), Equals, expr.Node(x))
	c.Assert(ma.Type(), Equals, stringType)

	// Pointers are dereferenced without a conversion.
	px := expr.NewParameter("p", reflect.PointerTo(personType))
	ma = access(c, px, name)
	c.Assert(ma.String(), Equals, "p.Name")
	fn := compile(c, expr.NewLambda(ma, px))
	v, err := fn(&Person{Name: "Fred"})
	c.Assert(err, IsNil)
	c.Assert(v, Equals, "Fred")

	version := 7
	static, err := expr.StaticOf("version", &version)
	c.Assert(err, IsNil)
	ma = access(c, nil, static)
	c.Assert(ma.String(), Equals, "version")
	fn = compile(c, expr.NewLambda(ma))
	v, err = fn()
	c.Assert(err, IsNil)
	c.Assert(v, Equals, 7)

	_, err = expr.MakeMemberAccess(expr.NewParameter("a", addressType), name)
	c.Assert(err, ErrorMatches, `cannot access member Name of expr_test.Person on expr_test.Address`)
}

func (s *ExprSuite) TestMakeValueBufferRead(c *C) {
	b := expr.NewParameter("b", expr.ValueBufferType)
	buffer := expr.ValueBuffer{1, "s", nil}

	tests := []struct {
		summary  string
		t        reflect.Type
		ordinal  int
		expected any
	}{{
		summary:  "matching slot",
		t:        intType,
		ordinal:  0,
		expected: 1,
	}, {
		// A slot of another type silently reads as the zero value.
		summary:  "mismatched slot",
		t:        intType,
		ordinal:  1,
		expected: 0,
	}, {
		summary:  "nil slot",
		t:        stringType,
		ordinal:  2,
		expected: "",
	}, {
		summary:  "nil slot as interface",
		t:        anyType,
		ordinal:  2,
		expected: nil,
	}, {
		summary:  "string slot",
		t:        stringType,
		ordinal:  1,
		expected: "s",
	}}
	for i, t := range tests {
		read := expr.MakeValueBufferRead(b, t.t, t.ordinal, nil)
		c.Assert(read.Type(), Equals, t.t)
		fn := compile(c, expr.NewLambda(read, b))
		v, err := fn(buffer)
		c.Assert(err, IsNil)
		c.Check(v, Equals, t.expected, Commentf("test %d failed (%s)", i, t.summary))
	}

	fn := compile(c, expr.NewLambda(expr.MakeValueBufferRead(b, intType, 3, nil), b))
	_, err := fn(buffer)
	c.Assert(err, ErrorMatches, `ordinal 3 out of range for value buffer of length 3`)
}

func (s *ExprSuite) TestMakePropertyRead(c *C) {
	x := expr.NewParameter("x", personType)
	name := &expr.Property{Name: "name", Entity: "Person", Type: stringType, Member: field(c, personType, "Name")}
	read, err := expr.MakePropertyRead(x, name)
	c.Assert(err, IsNil)
	c.Assert(read.String(), Equals, "x.Name")

	// Indexer-backed properties read through the indexer and convert to
	// the property type.
	bag := expr.NewParameter("bag", bagType)
	indexer, err := expr.IndexerMethod(bagType)
	c.Assert(err, IsNil)
	colour := &expr.Property{Name: "colour", Type: stringType, Indexer: indexer}
	read, err = expr.MakePropertyRead(bag, colour)
	c.Assert(err, IsNil)
	c.Assert(read.String(), Equals, `string(bag["colour"])`)
	fn := compile(c, expr.NewLambda(read, bag))
	v, err := fn(Bag{"colour": "red"})
	c.Assert(err, IsNil)
	c.Assert(v, Equals, "red")

	// Without an indexer the property accessor is used.
	team := &expr.Property{Name: "team", Type: stringType}
	read, err = expr.MakePropertyRead(x, team)
	c.Assert(err, IsNil)
	c.Assert(read.String(), Equals, `string(Property(x, "team"))`)
	fn = compile(c, expr.NewLambda(read, x))
	v, err = fn(Person{Team: "blue"})
	c.Assert(err, IsNil)
	c.Assert(v, Equals, "blue")
}

func (s *ExprSuite) TestMakeKeyValueReadSingleProperty(c *C) {
	x := expr.NewParameter("x", personType)
	id := &expr.Property{Name: "id", Type: intType, Key: true, Member: field(c, personType, "ID")}

	propertyRead, err := expr.MakePropertyRead(x, id)
	c.Assert(err, IsNil)
	keyRead, err := expr.MakeKeyValueRead(x, []*expr.Property{id}, false)
	c.Assert(err, IsNil)
	c.Assert(keyRead.String(), Equals, propertyRead.String())

	nullable, err := expr.MakeKeyValueRead(x, []*expr.Property{id}, true)
	c.Assert(err, IsNil)
	c.Assert(nullable.String(), Equals, "(*int)(x.ID)")
	c.Assert(nullable.Type(), Equals, reflect.PointerTo(intType))
	fn := compile(c, expr.NewLambda(nullable, x))
	v, err := fn(Person{ID: 5})
	c.Assert(err, IsNil)
	c.Assert(*(v.(*int)), Equals, 5)

	_, err = expr.MakeKeyValueRead(x, nil, false)
	c.Assert(err, ErrorMatches, `cannot read key without properties`)
}

func (s *ExprSuite) TestMakeKeyValueReadCompositeKey(c *C) {
	x := expr.NewParameter("x", personType)
	id := &expr.Property{Name: "id", Type: intType, Member: field(c, personType, "ID")}
	name := &expr.Property{Name: "name", Type: stringType, Member: field(c, personType, "Name")}

	read, err := expr.MakeKeyValueRead(x, []*expr.Property{id, name}, false)
	c.Assert(err, IsNil)
	c.Assert(read.String(), Equals, "CompositeKey{interface {}(x.ID), interface {}(x.Name)}")

	fn := compile(c, expr.NewLambda(read, x))
	v, err := fn(Person{ID: 1, Name: "Fred"})
	c.Assert(err, IsNil)
	key, ok := v.(expr.CompositeKey)
	c.Assert(ok, Equals, true)
	c.Assert(key.Values(), DeepEquals, []any{1, "Fred"})
	c.Assert(key.String(), Equals, `(1, "Fred")`)

	c.Assert(key.Equal(expr.NewCompositeKey(1, "Fred")), Equals, true)
	c.Assert(key.Hash(), Equals, expr.NewCompositeKey(1, "Fred").Hash())
	// Component order is significant.
	reversed, err := expr.MakeKeyValueRead(x, []*expr.Property{name, id}, false)
	c.Assert(err, IsNil)
	v, err = compile(c, expr.NewLambda(reversed, x))(Person{ID: 1, Name: "Fred"})
	c.Assert(err, IsNil)
	c.Assert(key.Equal(v.(expr.CompositeKey)), Equals, false)
}

func (s *ExprSuite) TestCompositeKey(c *C) {
	n := 1
	tests := []struct {
		summary string
		a, b    expr.CompositeKey
		equal   bool
	}{{
		summary: "same components",
		a:       expr.NewCompositeKey(1, "a"),
		b:       expr.NewCompositeKey(1, "a"),
		equal:   true,
	}, {
		summary: "different types",
		a:       expr.NewCompositeKey(1, "a"),
		b:       expr.NewCompositeKey(int64(1), "a"),
		equal:   false,
	}, {
		summary: "different lengths",
		a:       expr.NewCompositeKey(1),
		b:       expr.NewCompositeKey(1, nil),
		equal:   false,
	}, {
		summary: "pointers to equal values",
		a:       expr.NewCompositeKey(&n),
		b:       expr.NewCompositeKey(&n),
		equal:   true,
	}, {
		summary: "nil components",
		a:       expr.NewCompositeKey(nil, 2),
		b:       expr.NewCompositeKey(nil, 2),
		equal:   true,
	}}
	for i, t := range tests {
		comment := Commentf("test %d failed (%s)", i, t.summary)
		c.Check(t.a.Equal(t.b), Equals, t.equal, comment)
		if t.equal {
			c.Check(t.a.Hash(), Equals, t.b.Hash(), comment)
		}
	}
}

func (s *ExprSuite) TestMakeMemberAssign(c *C) {
	px := expr.NewParameter("p", reflect.PointerTo(personType))
	name := access(c, px, field(c, personType, "Name"))
	team := access(c, px, field(c, personType, "Team"))

	assign, err := expr.MakeMemberAssign(name, expr.NewConstant("Fred"))
	c.Assert(err, IsNil)
	c.Assert(assign.Init(), Equals, false)
	c.Assert(assign.String(), Equals, `p.Name = "Fred"`)

	assign, err = expr.MakeMemberAssign(team, expr.NewConstant("red"))
	c.Assert(err, IsNil)
	c.Assert(assign.Init(), Equals, true)
	c.Assert(assign.String(), Equals, `init p.Team = "red"`)

	// Ordinary assignments cannot write read-only members.
	_, err = expr.NewAssign(team, expr.NewConstant("red"))
	c.Assert(err, ErrorMatches, `cannot assign to read-only member Team`)

	_, err = expr.MakeMemberAssign(name, expr.NewConstant(1))
	c.Assert(err, ErrorMatches, `cannot assign int to string`)
}

// materialiser returns b => {p = new(Person); <assigns>; p} where each
// assign writes a slot of the buffer to a member of p.
func materialiser(c *C, fields ...string) (*expr.Lambda, *expr.Parameter) {
	b := expr.NewParameter("b", expr.ValueBufferType)
	p := expr.NewParameter("p", reflect.PointerTo(personType))
	construct, err := expr.NewConstruct(reflect.PointerTo(personType), nil, nil)
	c.Assert(err, IsNil)
	create, err := expr.NewAssign(p, construct)
	c.Assert(err, IsNil)
	exprs := []expr.Node{create}
	for i, f := range fields {
		m := field(c, personType, f)
		assign, err := expr.MakeMemberAssign(access(c, p, m), expr.MakeValueBufferRead(b, m.Type, i, nil))
		c.Assert(err, IsNil)
		exprs = append(exprs, assign)
	}
	block, err := expr.NewBlock([]*expr.Parameter{p}, append(exprs, p)...)
	c.Assert(err, IsNil)
	return expr.NewLambda(block, b), p
}

func (s *ExprSuite) TestEvalInitialisesReadOnlyMembersOnConstruction(c *C) {
	l, _ := materialiser(c, "ID", "Name", "Team", "created")
	c.Assert(l.String(), Equals,
		`b => {p = new(expr_test.Person); p.ID = b[0].(int); p.Name = b[1].(string); `+
			`init p.Team = b[2].(string); init p.created = b[3].(string); p}`)

	fn := compile(c, l)
	v, err := fn(expr.ValueBuffer{1, "Fred", "red", "yesterday"})
	c.Assert(err, IsNil)
	p := v.(*Person)
	c.Assert(p.ID, Equals, 1)
	c.Assert(p.Name, Equals, "Fred")
	c.Assert(p.Team, Equals, "red")
	c.Assert(p.Created(), Equals, "yesterday")

	// Each evaluation constructs afresh.
	v, err = fn(expr.ValueBuffer{2, "Jim", "blue", "today"})
	c.Assert(err, IsNil)
	c.Assert(v.(*Person).Team, Equals, "blue")
	c.Assert(p.Team, Equals, "red")
}

func (s *ExprSuite) TestEvalRejectsInitOutsideConstruction(c *C) {
	px := expr.NewParameter("p", reflect.PointerTo(personType))
	assign, err := expr.MakeMemberAssign(access(c, px, field(c, personType, "Team")), expr.NewConstant("red"))
	c.Assert(err, IsNil)
	fn := compile(c, expr.NewLambda(assign, px))

	p := &Person{Team: "blue"}
	_, err = fn(p)
	c.Assert(err, ErrorMatches, `cannot initialise read-only member Team outside construction`)
	c.Assert(p.Team, Equals, "blue")
}

func (s *ExprSuite) TestEvalRejectsSecondInit(c *C) {
	l, _ := materialiser(c, "Team", "Team")
	fn := compile(c, l)
	_, err := fn(expr.ValueBuffer{"red", "blue"})
	c.Assert(err, ErrorMatches, `read-only member Team already initialised`)

	// Members set by the construction itself count as initialised.
	pt := reflect.PointerTo(personType)
	teamField := field(c, personType, "Team")
	construct, err := expr.NewConstruct(pt, []*expr.Member{teamField}, []expr.Node{expr.NewConstant("red")})
	c.Assert(err, IsNil)
	c.Assert(construct.String(), Equals, `&expr_test.Person{Team: "red"}`)
	p := expr.NewParameter("p", pt)
	create, err := expr.NewAssign(p, construct)
	c.Assert(err, IsNil)
	again, err := expr.MakeMemberAssign(access(c, p, teamField), expr.NewConstant("blue"))
	c.Assert(err, IsNil)
	block, err := expr.NewBlock([]*expr.Parameter{p}, create, again, p)
	c.Assert(err, IsNil)
	_, err = compile(c, expr.NewLambda(block))()
	c.Assert(err, ErrorMatches, `read-only member Team already initialised`)

	// Another descriptor of the same field is the same member.
	other, err := expr.MakeMemberAssign(access(c, p, field(c, personType, "Team")), expr.NewConstant("blue"))
	c.Assert(err, IsNil)
	block, err = expr.NewBlock([]*expr.Parameter{p}, create, other, p)
	c.Assert(err, IsNil)
	v, err := compile(c, expr.NewLambda(block))()
	c.Assert(err, ErrorMatches, `read-only member Team already initialised`)
	c.Assert(v, IsNil)
}

func (s *ExprSuite) TestEvalCalls(c *C) {
	x := expr.NewParameter("x", personType)
	id := access(c, x, field(c, personType, "ID"))
	sum, err := expr.NewBinary(expr.Add, id, id)
	c.Assert(err, IsNil)
	eq, err := expr.NewBinary(expr.Equal, id, expr.NewConstant(2))
	c.Assert(err, IsNil)
	created, err := expr.MethodOf(personType, "Created")
	c.Assert(err, IsNil)
	prop, err := expr.NewCall(nil, expr.PropertyMethod, x, expr.NewConstant("created"))
	c.Assert(err, IsNil)
	missing, err := expr.NewCall(nil, expr.PropertyMethod, x, expr.NewConstant("missing"))
	c.Assert(err, IsNil)

	tests := []struct {
		summary  string
		body     expr.Node
		expected any
		err      string
	}{{
		summary:  "sum",
		body:     sum,
		expected: 2,
	}, {
		summary:  "equality",
		body:     eq,
		expected: false,
	}, {
		summary:  "method member",
		body:     access(c, x, created),
		expected: "then",
	}, {
		summary:  "property accessor by tag",
		body:     prop,
		expected: "then",
	}, {
		summary: "property accessor on missing member",
		body:    missing,
		err:     `type "Person" has no member "missing"`,
	}}
	person := Person{ID: 1, created: "then"}
	for i, t := range tests {
		comment := Commentf("test %d failed (%s)", i, t.summary)
		fn := compile(c, expr.NewLambda(t.body, x))
		v, err := fn(person)
		if t.err != "" {
			c.Check(err, ErrorMatches, t.err, comment)
			continue
		}
		c.Assert(err, IsNil, comment)
		c.Check(v, Equals, t.expected, comment)
	}
}

func (s *ExprSuite) TestCompileUndeclaredParameter(c *C) {
	x := expr.NewParameter("x", personType)
	y := expr.NewParameter("y", personType)
	_, err := expr.Compile(expr.NewLambda(access(c, y, field(c, personType, "Name")), x))
	c.Assert(err, ErrorMatches, `cannot compile "x => y.Name": parameter y is not declared`)

	fn := compile(c, expr.NewLambda(access(c, x, field(c, personType, "Name")), x))
	_, err = fn()
	c.Assert(err, ErrorMatches, `"x => x.Name" takes 1 arguments, got 0`)
	_, err = fn(Address{})
	c.Assert(err, ErrorMatches, `argument x: cannot use expr_test.Address as expr_test.Person`)
}

func (s *ExprSuite) TestInspect(c *C) {
	l, p := materialiser(c, "ID")
	var params, indexes int
	expr.Inspect(l, func(n expr.Node) bool {
		switch n := n.(type) {
		case *expr.Parameter:
			if n == p {
				params++
			}
		case *expr.Index:
			indexes++
		}
		return true
	})
	// The declaration, the creation, the assignment and the result.
	c.Assert(params, Equals, 4)
	c.Assert(indexes, Equals, 1)

	var visited int
	expr.Inspect(l, func(expr.Node) bool {
		visited++
		return false
	})
	c.Assert(visited, Equals, 1)
}
