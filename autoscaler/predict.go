package autoscaler

// linearTrend 对 values 做最小二乘拟合（x 为样本下标），返回斜率与第 len+horizon-1 个点的外推值
//
// 只是启发式估计，非线性负载下可能失准
func linearTrend(values []float64, horizon int) (slope, projection float64) {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n
	projection = intercept + slope*(n-1+float64(horizon))
	return slope, projection
}
