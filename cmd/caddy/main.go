// Command caddy is a Caddy build that includes the jwt_auth and token_auth
// handlers.
package main

import (
	caddycmd "github.com/caddyserver/caddy/v2/cmd"

	_ "github.com/caddyserver/caddy/v2/modules/standard"

	_ "github.com/puxu-msft/caddy-jwt-auth"
)

func main() {
	caddycmd.Main()
}
