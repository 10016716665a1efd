//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryName  = "trackgate"
	mainPackage = "./cmd/trackgate"
	reportsDir  = "./reports"
)

// Default 默认任务：显示帮助信息
func Default() {
	fmt.Println("TrackGate 构建系统")
	fmt.Println("==================")
	fmt.Println("可用任务:")
	fmt.Println("  mage build         - 构建网关二进制")
	fmt.Println("  mage run           - 使用 ./config/trackgate.yaml 运行网关")
	fmt.Println("  mage test          - 运行所有单元测试")
	fmt.Println("  mage testRace      - 开启竞态检测运行测试")
	fmt.Println("  mage lint          - 运行代码检查")
	fmt.Println("  mage coverage      - 生成测试覆盖率报告")
	fmt.Println("  mage clean         - 清理构建产物")
	fmt.Println("  mage docker:redis  - 启动本地 Redis 缓存后端")
	fmt.Println("  mage docker:influx - 启动本地 InfluxDB")
	fmt.Println("  mage docker:down   - 停止本地依赖服务")
}

// Build 构建网关二进制
func Build() error {
	mg.Deps(Clean)

	output := filepath.Join("./dist", binaryName)
	if runtime.GOOS == "windows" {
		output += ".exe"
	}

	fmt.Printf("📦 构建 %s...\n", binaryName)
	cmd := exec.Command("go", "build", "-o", output, mainPackage)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("构建 %s 失败: %v\n输出: %s", binaryName, err, string(out))
	}

	if info, err := os.Stat(output); err == nil {
		fmt.Printf("   ✅ %s: %d MB\n", binaryName, info.Size()/1024/1024)
	}
	return nil
}

// Run 运行网关
func Run() error {
	return sh.RunV("go", "run", mainPackage, "-config", "./config/trackgate.yaml")
}

// Test 运行所有单元测试
func Test() error {
	fmt.Println("🧪 运行单元测试...")
	out, err := sh.Output("go", "test", "./...", "-timeout=5m")
	if err != nil {
		fmt.Printf("单元测试失败输出:\n%s\n", out)
		return fmt.Errorf("单元测试失败: %v", err)
	}
	fmt.Println("✅ 单元测试通过!")
	return nil
}

// TestRace 开启竞态检测运行测试
func TestRace() error {
	fmt.Println("🏁 运行竞态检测...")
	return sh.RunV("go", "test", "-race", "-count=1", "./pkg/...")
}

// Lint 检查代码格式与 go vet
func Lint() error {
	fmt.Println("🔍 运行代码检查...")

	out, err := sh.Output("gofmt", "-l", ".")
	if err != nil {
		return fmt.Errorf("gofmt 检查失败: %v", err)
	}
	var unformatted []string
	for _, file := range strings.Split(out, "\n") {
		if file != "" && !strings.HasPrefix(file, "_") {
			unformatted = append(unformatted, file)
		}
	}
	if len(unformatted) > 0 {
		return fmt.Errorf("以下文件需要 gofmt:\n  %s", strings.Join(unformatted, "\n  "))
	}

	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return fmt.Errorf("go vet 失败: %v", err)
	}
	fmt.Println("✅ 代码检查通过!")
	return nil
}

// Coverage 生成测试覆盖率报告
func Coverage() error {
	fmt.Println("📈 生成测试覆盖率报告...")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %v", err)
	}

	profile := filepath.Join(reportsDir, "coverage.out")
	html := filepath.Join(reportsDir, "coverage.html")
	if out, err := sh.Output("go", "test", "./pkg/...", "-coverprofile="+profile, "-covermode=atomic"); err != nil {
		fmt.Printf("测试输出:\n%s\n", out)
		return fmt.Errorf("生成覆盖率失败: %v", err)
	}
	if err := sh.Run("go", "tool", "cover", "-html="+profile, "-o", html); err != nil {
		return fmt.Errorf("生成HTML报告失败: %v", err)
	}
	if err := sh.RunV("go", "tool", "cover", "-func="+profile); err != nil {
		return fmt.Errorf("显示覆盖率失败: %v", err)
	}

	if abs, err := filepath.Abs(html); err == nil {
		html = abs
	}
	fmt.Println("✅ 覆盖率报告: file://" + html)
	return nil
}

// Clean 清理构建产物
func Clean() error {
	if err := os.RemoveAll("./dist"); err != nil {
		return fmt.Errorf("清理 dist 失败: %v", err)
	}
	if err := os.RemoveAll(reportsDir); err != nil {
		return fmt.Errorf("清理报告目录失败: %v", err)
	}
	return os.MkdirAll("./dist", 0755)
}

type Docker mg.Namespace

// Redis 启动本地 Redis，配合 cache.backend=redis 使用
func (Docker) Redis() error {
	fmt.Println("🚀 启动 Redis...")
	return sh.RunV("docker", "run", "-d", "--rm", "--name", "trackgate-redis", "-p", "6379:6379", "redis:7-alpine")
}

// Influx 启动本地 InfluxDB 2.x
func (Docker) Influx() error {
	fmt.Println("🚀 启动 InfluxDB...")
	return sh.RunV("docker", "run", "-d", "--rm", "--name", "trackgate-influx", "-p", "8086:8086",
		"-e", "DOCKER_INFLUXDB_INIT_MODE=setup",
		"-e", "DOCKER_INFLUXDB_INIT_USERNAME=trackgate",
		"-e", "DOCKER_INFLUXDB_INIT_PASSWORD=trackgate-dev",
		"-e", "DOCKER_INFLUXDB_INIT_ORG=trackgate",
		"-e", "DOCKER_INFLUXDB_INIT_BUCKET=trackgate",
		"-e", "DOCKER_INFLUXDB_INIT_ADMIN_TOKEN=trackgate-dev-token",
		"influxdb:2.7")
}

// Down 停止本地依赖服务
func (Docker) Down() error {
	fmt.Println("🛑 停止本地依赖服务...")
	for _, name := range []string{"trackgate-redis", "trackgate-influx"} {
		if err := sh.Run("docker", "stop", name); err != nil {
			fmt.Printf("警告: 停止 %s 失败: %v\n", name, err)
		}
	}
	return nil
}
