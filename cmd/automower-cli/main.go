package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	flags := flag.NewFlagSet("automower-cli", flag.ExitOnError)
	flags.Usage = usage
	jsonOutput := flags.Bool("json", false, "Output JSON")
	grpcAddr := flags.String("grpc-addr", resolveAddr("GOHOME_GRPC_ADDR", "localhost:9000"), "gRPC address")
	httpAddr := flags.String("http-addr", resolveAddr("GOHOME_HTTP_ADDR", "localhost:8080"), "HTTP address")
	timeout := flags.Duration("timeout", 30*time.Second, "Request timeout")
	_ = flags.Parse(os.Args[1:])

	args := flags.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	out := outputMode{json: *jsonOutput}

	switch args[0] {
	case "mowers", "mower":
		mowersCmd(ctx, newAPIClient(*httpAddr), args[1:], out)
		return
	case "health", "services", "methods", "call":
	default:
		usage()
		os.Exit(2)
	}

	conn, err := grpcurl.BlockingDial(ctx, "tcp", *grpcAddr, insecure.NewCredentials())
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close()

	switch args[0] {
	case "health":
		healthCmd(ctx, conn, args[1:], out)
	case "services":
		servicesCmd(ctx, conn)
	case "methods":
		methodsCmd(ctx, conn, args[1:])
	case "call":
		callCmd(ctx, conn, args[1:])
	}
}

func healthCmd(ctx context.Context, conn *grpc.ClientConn, args []string, out outputMode) {
	service := ""
	if len(args) > 0 {
		service = args[0]
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		fatal("health", err)
	}
	if out.json {
		out.printProto(resp)
		return
	}
	label := service
	if label == "" {
		label = "(overall)"
	}
	fmt.Printf("%s\t%s\n", label, resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}

func servicesCmd(ctx context.Context, conn *grpc.ClientConn) {
	descSource := reflectionSource(ctx, conn)
	services, err := grpcurl.ListServices(descSource)
	if err != nil {
		fatal("list services", err)
	}

	for _, service := range services {
		fmt.Println(service)
	}
}

func methodsCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	if len(args) < 1 {
		fatal("methods", fmt.Errorf("missing service name"))
	}

	descSource := reflectionSource(ctx, conn)
	methods, err := grpcurl.ListMethods(descSource, args[0])
	if err != nil {
		fatal("list methods", err)
	}

	for _, method := range methods {
		fmt.Println(method)
	}
}

func callCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	flags := flag.NewFlagSet("call", flag.ExitOnError)
	data := flags.String("data", "", "JSON request body")
	_ = flags.Parse(args)
	remaining := flags.Args()
	if len(remaining) < 1 {
		fatal("call", fmt.Errorf("missing method (service/method)"))
	}

	method := remaining[0]
	descSource := reflectionSource(ctx, conn)

	var reader io.Reader
	if *data != "" {
		reader = strings.NewReader(*data)
	} else if isStdinTerminal() {
		reader = strings.NewReader("{}")
	} else {
		reader = os.Stdin
	}

	parser, formatter, err := grpcurl.RequestParserAndFormatter(grpcurl.FormatJSON, descSource, reader, grpcurl.FormatOptions{})
	if err != nil {
		fatal("parse request", err)
	}

	handler := grpcurl.NewDefaultEventHandler(os.Stdout, descSource, formatter, false)
	if err := grpcurl.InvokeRPC(ctx, descSource, conn, method, nil, handler, parser.Next); err != nil {
		fatal("invoke", err)
	}
}

func reflectionSource(ctx context.Context, conn *grpc.ClientConn) grpcurl.DescriptorSource {
	client := grpcreflect.NewClientAuto(ctx, conn)
	return grpcurl.DescriptorSourceFromServer(ctx, client)
}

func isStdinTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return true
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func usage() {
	fmt.Println("automower-cli [--json] [--grpc-addr host:port] [--http-addr host:port] <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  mowers list")
	fmt.Println("  mowers show <mower>")
	fmt.Println("  mowers <pause|resume|park|park-until-next> <mower>")
	fmt.Println("  mowers <start|park-for> <mower> <minutes>")
	fmt.Println("  mowers cutting-height <mower> <1-9>")
	fmt.Println("  mowers headlight <mower> <ALWAYS_ON|ALWAYS_OFF|EVENING_ONLY|EVENING_AND_NIGHT>")
	fmt.Println("  health [service]")
	fmt.Println("  services")
	fmt.Println("  methods <service>")
	fmt.Println("  call <service/method> --data '{}' (or pipe JSON via stdin)")
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
