/*
Package server provides a CalDAV server implementation that can be integrated into Go applications.

# Basic Usage

The simplest way to use this package is with the provided in-memory backend:

	store, err := storage.Open(ctx, memory.New())
	if err != nil {
		log.Fatal(err)
	}
	users := authmem.New()
	users.AddUser("alice", "secret")

	h := server.NewCaldavHandler(store,
		server.WithPrefix("/caldav"),
		server.WithAuthenticator(users),
	)
	http.Handle("/caldav/", h)
	http.ListenAndServe(":8080", nil)

# URL Scheme

Request paths below the prefix map one to one to repository paths:
  - /caldav/<principal>/ - home collection, created on first login
  - /caldav/<principal>/<calendar>/ - calendar collection (MKCALENDAR)
  - /caldav/<principal>/<calendar>/<object>.ics - calendar object

A custom URLConverter can map other layouts.

# Access

An authenticated principal may access everything below its home. Other
requests need a ticket, passed in the Ticket header or the ticket query
parameter. Owners create tickets with MKTICKET and revoke them with
DELTICKET. Refused tickets yield 403 whether or not they exist.

# Reports

REPORT supports calendar-query, calendar-multiget and free-busy-query.
A free-busy-query on a home collection aggregates every calendar not
marked transparent through schedule-calendar-transp.
*/
package server
