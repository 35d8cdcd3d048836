package main

//go:generate swag init -g cmd/pipeline/main.go -o docs

// @title           Trade Pipeline API
// @version         0.1.0
// @description     Cycle traces, order ledger and circuit breaker controls.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
