// Package notification parses the event messages pushed by camera agents.
//
// A camera agent answers SUBSCRIBE and status polls, and pushes state changes to
// subscribed callbacks, using the same small XML document:
//
//	<msg>
//	  <cmd>status-active</cmd>
//	  <usn>uuid:d1c58eb4-9220-11e4-96fa-123b93f75cba::urn:schemas-upnp-org:device:RPi_Security_Camera:1</usn>
//	  <imageurl>/raspicameras/front/2018-04-01-10-00-00.jpg</imageurl>
//	</msg>
//
// Parse handles a bare body. Receive also accepts an HTTP-like framed message
// (start line, headers, blank line, body) and parses its body.
//
// Malformed input never panics; it yields a *MalformedNotificationError so the
// caller can log and drop it.
package notification
