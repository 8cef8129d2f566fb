package webserver

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
)

type route struct {
	method  string
	path    string
	handler echo.HandlerFunc
}

// Route tables filled by the api packages at init time and mounted by NewServer.
var (
	routeMu      sync.Mutex
	apiRoutes    []route
	openRoutes   []route
	workerRoutes []route
	publicRoutes []route
)

func add(list *[]route, method, path string, h echo.HandlerFunc) {
	routeMu.Lock()
	defer routeMu.Unlock()
	*list = append(*list, route{method: method, path: path, handler: h})
}

// ApiGET registers an admin route under /api/v1 that requires a bearer token.
func ApiGET(path string, h echo.HandlerFunc) { add(&apiRoutes, http.MethodGet, path, h) }

func ApiPOST(path string, h echo.HandlerFunc) { add(&apiRoutes, http.MethodPost, path, h) }

func ApiPUT(path string, h echo.HandlerFunc) { add(&apiRoutes, http.MethodPut, path, h) }

func ApiDELETE(path string, h echo.HandlerFunc) { add(&apiRoutes, http.MethodDelete, path, h) }

// OpenPOST registers an unauthenticated route under /api/v1 (login).
func OpenPOST(path string, h echo.HandlerFunc) { add(&openRoutes, http.MethodPost, path, h) }

// WorkerPOST registers a worker callback under /api. When a callback token
// is configured the X-Botfleet-Token header must match it.
func WorkerPOST(path string, h echo.HandlerFunc) { add(&workerRoutes, http.MethodPost, path, h) }

// PublicGET registers a landing route under /api.
func PublicGET(path string, h echo.HandlerFunc) { add(&publicRoutes, http.MethodGet, path, h) }

func mount(g *echo.Group, routes []route) {
	for _, r := range routes {
		g.Add(r.method, r.path, r.handler)
	}
}
