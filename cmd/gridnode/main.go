package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("gridnode", "a coordination grid node", NewService())
}
