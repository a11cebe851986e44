/*
Relcore is the core of an object-relational mapper over database/sql: it materialises query results into tagged Go structs and maps, and layers nested units of work on a single database transaction with savepoints.

# Basics

Rows are read into structs whose fields carry `db` tags naming the columns they map to.
For example, given the following tagged struct "Person":

	type Person struct {
		ID	int	`db:"id,key"`
		Name	string	`db:"name"`
		Team	string	`db:"team,readonly"`
	}

the rows of a query are materialised with:

	var people []Person
	err := db.Query(ctx, "SELECT id, name, team FROM person WHERE team = ?", "engineering").GetAll(&people)

Each column of the result set must match the `db` tag of a field of one of the output types, unless a map is given as an output, in which case it receives the unmatched columns.
The column sets seen for each output type are compiled once into a row shaper and cached by the DB.

The tag flags are:

 1. key
    - The field is part of the entity key, used by [Query.Distinct].

 2. readonly
    - The field is only written while the value is materialised. Unexported tagged fields are read-only too.

 3. omitempty
    - Accepted for compatibility with other tools reading the same tags.

# Savepoints

A [TX] can be divided into nested units of work:

	tx, err := db.Begin(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Close()

	err = tx.Save("before_import")
	...
	// Undo the import but keep the transaction.
	err = tx.RollbackTo("before_import")
	...
	err = tx.Commit()

Savepoint names are passed to the database verbatim, and the database enforces that savepoints are used in order.
*/
package relcore
