package manifest

// Default 返回构建期固定的作品集站点资源清单，配置未声明 [[Asset]] 时使用。
func Default() Manifest {
	return Manifest{
		{URL: "/", Priority: PriorityCritical},
		{URL: "/index.html", Priority: PriorityCritical},
		{URL: "/css/style.css", Priority: PriorityCritical},
		{URL: "/js/main.js", Priority: PriorityCritical},
		{URL: "/css/animations.css", Priority: PriorityHigh},
		{URL: "/js/particles.js", Priority: PriorityMedium},
		{URL: "/js/typing.js", Priority: PriorityMedium},
		{URL: "/images/profile.jpg", Priority: PriorityHigh},
		{URL: "/images/favicon.svg", Priority: PriorityHigh},
		{URL: "/images/og-cover.webp", Priority: PriorityLow},
		{URL: "/manifest.json", Priority: PriorityMedium},
	}
}
