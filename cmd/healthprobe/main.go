// healthprobe is a tiny fasthttp sidecar run next to the relay in
// deployments where the main server sits behind TLS or auth: it probes the
// relay's /healthz as a client and re-serves the verdict on a plain local
// port for load balancers and uptime checks.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

func main() {
	addr := flag.String("addr", ":8081", "listen address for the health probe")
	target := flag.String("target", "http://127.0.0.1:8080/healthz", "relay health endpoint to probe")
	timeout := flag.Duration("timeout", 2*time.Second, "upstream probe timeout")
	flag.Parse()

	client := &fasthttp.Client{
		ReadTimeout:  *timeout,
		WriteTimeout: *timeout,
	}

	h := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/health", "/healthz":
			ctx.Response.Header.Set("Content-Type", "application/json")
			status, body, err := client.GetTimeout(nil, *target, *timeout)
			if err != nil {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				_, _ = ctx.WriteString(fmt.Sprintf("{\"status\":\"unreachable\",\"error\":%q}", err.Error()))
				return
			}
			if status != fasthttp.StatusOK {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				_, _ = ctx.WriteString(fmt.Sprintf("{\"status\":\"degraded\",\"upstream\":%d}", status))
				return
			}
			ctx.SetStatusCode(fasthttp.StatusOK)
			_, _ = ctx.Write(body)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	fmt.Printf("health probe listening on %s, probing %s\n", *addr, *target)
	srv := &fasthttp.Server{
		Handler:            h,
		Name:               "chatrelay-healthprobe",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	if err := srv.ListenAndServe(*addr); err != nil {
		fmt.Printf("health probe exit: %v\n", err)
	}
}
