/*
Package api serves burrow's Kubernetes-style HTTP API.

# Routes

	/api/v1/{resource}                                   cluster collection
	/api/v1/{resource}/{name}[/status]                   cluster item
	/api/v1/namespaces/{namespace}/{resource}            namespaced collection
	/api/v1/namespaces/{namespace}/{resource}/{name}     namespaced item
	/api/v1/namespaces/{namespace}/pods/{name}/portforward
	/apis/{group}/{version}/...                          same shapes for named groups
	/health /ready /metrics /version

Collections answer GET (list, or watch with ?watch=true) and POST. Items
answer GET, PUT, PATCH and DELETE; the status subresource answers GET, PUT
and PATCH and never changes anything outside status.

Bodies may be JSON or YAML. PATCH selects its semantics from the content
type: application/merge-patch+json (strategic merge is treated the same) or
application/json-patch+json. DELETE accepts DeleteOptions with
preconditions. List and watch accept labelSelector.

# Errors

Every failure is a metav1.Status with the matching HTTP code: NotFound 404,
AlreadyExists and Conflict 409, Expired 410, invalid selectors 400,
unreachable port-forward backends 503, anything else 500.

# Watch

A watch streams newline-delimited {"type","object"} events. Without a
resourceVersion the current list is sent first as ADDED events. A cursor
that is no longer retained fails with 410 before streaming starts; a watcher
that falls behind later receives an ERROR event carrying the 410 Status and
the stream ends. timeoutSeconds bounds the stream.

# Port-forward

POST answers the protocol probe with X-Stream-Protocol-Version. GET upgrades
to a websocket with the portforward.k8s.io subprotocol and hands the
connection to a portforward.Session. ports=8080:80,9090 selects the ports;
without it the pod's first containerPort (or 80) is forwarded. The pod must
exist (404) and be Running (409).
*/
package api
