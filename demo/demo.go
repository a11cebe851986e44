// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/canonical/relcore"
	"github.com/canonical/relcore/logger"
)

type Person struct {
	Name     string `db:"name,key"`
	Height   int    `db:"height_cm"`
	HomeTown string `db:"home_town"`
}

type Place struct {
	Name       string `db:"town_name"`
	Population int    `db:"population"`
}

func example() error {
	sqldb, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return err
	}
	defer sqldb.Close()
	// Transactions and queries must share the in-memory database.
	sqldb.SetMaxOpenConns(1)

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	db := relcore.NewDB(sqldb, relcore.WithLogger(logger.NewLogrus(log)))
	ctx := context.Background()

	var people = []Person{{"Jim", 150, "Kabul"}, {"Saba", 162, "Berlin"}, {"Dave", 169, "Brasília"}, {"Sophie", 174, "Berlin"}, {"Kiri", 168, "Cape Town"}}
	var places = []Place{{"Kabul", 13000000}, {"Berlin", 3677472}, {"Brasília", 3039444}, {"Cape Town", 4710000}}

	// Create the tables
	err = db.Query(ctx, `
		CREATE TABLE people (
			name text,
			height_cm integer,
			home_town text
		);
		CREATE TABLE location (
			town_name text,
			population integer
		);`).Run()
	if err != nil {
		return err
	}

	// Insert the people and places in a transaction. The last person is
	// inserted after a savepoint and then rolled back.
	tx, err := db.Begin(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Close()
	for i, person := range people {
		if i == len(people)-1 {
			if err := tx.Save("last_person"); err != nil {
				return err
			}
		}
		err := tx.Query(ctx, "INSERT INTO people (name, height_cm, home_town) VALUES (?, ?, ?)", person.Name, person.Height, person.HomeTown).Run()
		if err != nil {
			return err
		}
	}
	if err := tx.RollbackTo("last_person"); err != nil {
		return err
	}
	for _, place := range places {
		err := tx.Query(ctx, "INSERT INTO location (town_name, population) VALUES (?, ?)", place.Name, place.Population).Run()
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Find people taller than Jim
	jim := people[0]
	iter := db.Query(ctx, "SELECT name, height_cm, home_town FROM people WHERE height_cm > ?", jim.Height).Iter()
	for iter.Next() {
		p := Person{}
		if err := iter.Get(&p); err != nil {
			iter.Close()
			return err
		}
		fmt.Printf("%s is taller than %s.\n", p.Name, jim.Name)
	}
	err = iter.Close()
	if err != nil {
		return err
	}

	// Find cities with people taller than Jim
	tallCities := []Place{}
	tallPeople := []Person{}
	err = db.Query(ctx, `
		SELECT p.name, p.height_cm, p.home_town, l.town_name, l.population
		FROM people AS p, location AS l
		WHERE p.home_town = l.town_name
		AND p.height_cm > ?`, jim.Height).GetAll(&tallPeople, &tallCities)
	if err != nil {
		return err
	}
	fmt.Printf("This is a list of cities with people taller than Jim: %v\n", tallCities)
	fmt.Printf("This is a list of people taller than Jim: %v\n", tallPeople)
	return nil
}

func main() {
	err := example()
	if err != nil {
		panic(err)
	}
}
